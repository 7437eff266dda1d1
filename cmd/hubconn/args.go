package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// parseArgs parses each command-line argument as a JSON value.
func parseArgs(args []string) ([]interface{}, error) {
	vals := make([]interface{}, len(args))
	for i, arg := range args {
		if !json.Valid([]byte(arg)) {
			return nil, errors.Errorf("argument %d is not valid JSON: %s", i+1, arg)
		}
		vals[i] = json.RawMessage(arg)
	}
	return vals, nil
}

// printJSON writes v as a single line of JSON to w.
func printJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// invocation is the output of a received invocation or event.
type invocation struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}
