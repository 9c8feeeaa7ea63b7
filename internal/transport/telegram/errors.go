package telegram

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"streamwatch/internal/transport"
)

// Errors telebot does not know by description come back as plain text.
var reGenericError = regexp.MustCompile(`^telegram(?: unknown)?: (.*) \((\d+)\)$`)

// mapError converts telebot failures into *transport.Error.
// Non-API errors (network, context) are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.Error{
			Code:        429,
			HTTPStatus:  429,
			Description: err.Error(),
			RetryAfter:  time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	var group tele.GroupError
	if errors.As(err, &group) {
		return &transport.Error{
			Code:        400,
			HTTPStatus:  400,
			Description: err.Error(),
			MigrateToID: group.MigratedTo,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		desc := te.Description
		if desc == "" {
			desc = te.Message
		}
		return &transport.Error{Code: te.Code, HTTPStatus: te.Code, Description: desc}
	}

	if m := reGenericError.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		return &transport.Error{Code: code, HTTPStatus: code, Description: m[1]}
	}
	return err
}
