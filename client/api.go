package client

import (
	"context"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
)

// VersionInfo is the result of the "version" method.
type VersionInfo struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// LaunchParams are the parameters of the "launch" method. At least one of
// UID and Text identifies the token.
type LaunchParams struct {
	UID  string `json:"uid,omitempty"`
	Text string `json:"text,omitempty"`
}

// WriteParams are the parameters of the "write" method.
type WriteParams struct {
	Text string `json:"text"`
}

// HistoryEntry is one scanned-token record from "tokens.history".
type HistoryEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"`
	UID     string `json:"uid"`
	Text    string `json:"text"`
	Data    string `json:"data"`
	Success bool   `json:"success"`
}

// HistoryResult is the result of the "tokens.history" method.
type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
}

// Version asks the active device for its version and platform. A nil
// result with nil error means the call was dropped while offline.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	res, err := c.Call(ctx, zapclient.MethodVersion, nil)
	if err != nil || res.Cancelled {
		return nil, err
	}
	var info VersionInfo
	if err := res.Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Launch runs the given token on the active device.
func (c *Client) Launch(ctx context.Context, params LaunchParams) (*zapclient.Result, error) {
	return c.Call(ctx, zapclient.MethodLaunch, params)
}

// Stop stops whatever media the active device is running.
func (c *Client) Stop(ctx context.Context) (*zapclient.Result, error) {
	return c.Call(ctx, zapclient.MethodStop, nil)
}

// TokensHistory fetches the scan history from the active device.
func (c *Client) TokensHistory(ctx context.Context) (*HistoryResult, error) {
	res, err := c.Call(ctx, zapclient.MethodTokensHistory, nil)
	if err != nil || res.Cancelled {
		return nil, err
	}
	var hist HistoryResult
	if err := res.Decode(&hist); err != nil {
		return nil, err
	}
	return &hist, nil
}

// Write starts writing text to the next presented tag. The returned
// handle carries the correlation id so the write can be abandoned with
// CancelWrite while the Core waits for a tag.
func (c *Client) Write(ctx context.Context, text string) (*zapclient.PendingCall, error) {
	return c.CallWithTracking(ctx, zapclient.MethodWrite, WriteParams{Text: text})
}

// CancelWrite aborts the in-progress tag write on the active device.
func (c *Client) CancelWrite(ctx context.Context) (*zapclient.Result, error) {
	return c.Call(ctx, zapclient.MethodWriteCancel, nil)
}
