package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errUsage = errors.New("usage")

func usageError(format string, a ...any) error {
	return fmt.Errorf("%w: chatsyncctl "+format, append([]any{errUsage}, a...)...)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseValue turns a command-line setting value into the JSON type the
// daemon expects for it.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "on", "yes":
		return true
	case "false", "off", "no":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

// muteUntil maps the "off" keyword to the empty value that clears a mute.
func muteUntil(s string) string {
	if strings.EqualFold(s, "off") {
		return ""
	}
	return s
}
