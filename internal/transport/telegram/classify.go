package telegram

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "welcomebot/internal/transport"
)

// classify maps telebot errors onto the transport delivery taxonomy.
//
// Telegram reports "recipient unreachable" as a family of 403s (blocked,
// deactivated, never started the bot); all of them mean the same thing to
// the delivery loop. 429 carries the retry-after window. 400s are our bug
// (malformed request); everything else is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.DeliveryError{
			Kind:       kit.DeliveryRateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 403:
			return &kit.DeliveryError{Kind: kit.DeliveryBlocked, Err: err}
		case apiErr.Code == 400:
			return &kit.DeliveryError{Kind: kit.DeliveryBadRequest, Err: err}
		}
	}

	return &kit.DeliveryError{Kind: kit.DeliveryTransient, Err: err}
}
