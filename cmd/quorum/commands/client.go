package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cohortnet/quorum/errors"
)

// serverURL is shared by the client-side commands (trigger, stop, status,
// results) that talk to a running orchestrator.
var serverURL string

var httpClient = &http.Client{Timeout: 30 * time.Second}

// callServer performs one JSON request against the orchestrator and decodes
// the response body into out (when non-nil).
func callServer(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", serverURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remote struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&remote); derr == nil && remote.Error != "" {
			return errors.Newf("%s %s: %s (%d)", method, path, remote.Error, resp.StatusCode)
		}
		return errors.Newf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// printJSON pretty-prints a response for the terminal.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
