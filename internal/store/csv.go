package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// csvHeader is the fixed export column order.
var csvHeader = []string{"user_id", "username", "first_name", "last_name", "first_seen", "last_seen"}

// WriteCSV writes the users as a CSV export: header row, one row per
// user, empty strings for absent values.
func WriteCSV(w io.Writer, users []User) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, u := range users {
		row := []string{
			strconv.FormatInt(u.ID, 10),
			u.Username,
			u.FirstName,
			u.LastName,
			formatTime(u.FirstSeen),
			formatTime(u.LastSeen),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}
