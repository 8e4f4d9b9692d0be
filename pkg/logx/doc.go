// Package logx is a small structured-logging facade over zerolog.
//
// Components take a logx.Logger value; the app owns a logx.Service whose
// sinks and level can be swapped at runtime via Apply() without components
// having to re-fetch their logger.
package logx
