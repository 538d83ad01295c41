package adapter

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedrelay/internal/transport"
)

var (
	// telebot formats API errors it has no sentinel for as
	// "telegram: <description> (<code>)".
	genericAPIError = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)
	retryAfterHint  = regexp.MustCompile(`retry after (\d+)`)
)

// mapError turns a telebot failure into *kit.SendError. nil stays nil.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	se := &kit.SendError{Op: op, Err: err, Description: err.Error()}

	var flood tele.FloodError
	var api *tele.Error
	if errors.As(err, &flood) {
		se.Code = http.StatusTooManyRequests
		se.After = time.Duration(flood.RetryAfter) * time.Second
	} else if errors.As(err, &api) {
		se.Code, se.Description = api.Code, api.Description
	} else if m := genericAPIError.FindStringSubmatch(err.Error()); m != nil {
		se.Description = m[1]
		se.Code, _ = strconv.Atoi(m[2])
	}

	if se.Code == http.StatusTooManyRequests && se.After <= 0 {
		if m := retryAfterHint.FindStringSubmatch(se.Description); m != nil {
			secs, _ := strconv.Atoi(m[1])
			se.After = time.Duration(secs) * time.Second
		}
	}
	return se
}
