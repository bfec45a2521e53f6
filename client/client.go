package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when a slot has no committed record.
var ErrNotFound = errors.New("not found")

// defaultTimeout covers a blocking write with margin over the server wait.
const defaultTimeout = 90 * time.Second

// Client talks to a Cortege node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	http     *http.Client // http performs the requests
}

// Status is the node's view of its pool and writes.
type Status struct {
	Pool   string  `json:"pool"`   // Pool is the hex pool id
	Self   int     `json:"self"`   // Self is the node's peer index
	Size   int     `json:"size"`   // Size is the number of peers
	Quorum int     `json:"quorum"` // Quorum is the minimal cortege size
	Writes []Write `json:"writes"` // Writes lists running and lingering writes
}

// Write is the state of one slot write on the node.
type Write struct {
	Contract  string `json:"contract"`
	Slot      string `json:"slot"`
	State     string `json:"state"`
	Phase     string `json:"phase"`
	Iteration int32  `json:"iteration"`
	Cortege   []int  `json:"cortege"`
	Record    string `json:"record,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Started   string `json:"started"`
}

// Slot is a committed slot.
type Slot struct {
	Record      string      `json:"record"`      // Record is the hex record id
	Cortege     string      `json:"cortege"`     // Cortege is the hex cortege id
	Certificate string      `json:"certificate"` // Certificate is the hex quorum certificate, empty when disabled
	Entries     []SlotEntry `json:"entries"`     // Entries are the stored member results
}

// SlotEntry is one member's stored result.
type SlotEntry struct {
	Peer   int    `json:"peer"`
	Hash   string `json:"hash"`
	Result []byte `json:"result"`
}

// WriteRequest proposes a candidate result for a slot.
type WriteRequest struct {
	Contract [32]byte  // Contract is the contract id
	Slot     string    // Slot is the slot name
	Previous *[32]byte // Previous is the record the result builds on, nil for the slot's current record
	Result   []byte    // Result is the candidate result
}

// NewClient creates a client for a node.
func NewClient(nodeAddr string) *Client {
	return &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

// Health checks that the node answers.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := httpGet(c.http, c.url("/health"), &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy: %q", resp.Status)
	}

	return nil
}

// Status fetches the node status.
func (c *Client) Status() (*Status, error) {
	var s Status
	if err := httpGet(c.http, c.url("/status"), &s); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &s, nil
}

// Writes lists the node's running and lingering writes.
func (c *Client) Writes() ([]Write, error) {
	var list []Write
	if err := httpGet(c.http, c.url("/writes"), &list); err != nil {
		return nil, fmt.Errorf("get writes:\n%w", err)
	}

	return list, nil
}

// StartWrite starts a write without waiting for its outcome.
func (c *Client) StartWrite(req WriteRequest) error {
	if err := httpPostJSON(c.http, c.url("/writes"), encodeWrite(req), nil); err != nil {
		return fmt.Errorf("start write:\n%w", err)
	}

	return nil
}

// Write starts a write and waits for its outcome.
// It returns the committed record id, or a *StatusError carrying the
// failure reason when the pool did not agree.
func (c *Client) Write(req WriteRequest) ([32]byte, error) {
	var record [32]byte

	var resp struct {
		Record string `json:"record"`
	}

	if err := httpPostJSON(c.http, c.url("/writes?wait=true"), encodeWrite(req), &resp); err != nil {
		return record, fmt.Errorf("write:\n%w", err)
	}

	b, err := hex.DecodeString(resp.Record)
	if err != nil || len(b) != len(record) {
		return record, fmt.Errorf("invalid record: %q", resp.Record)
	}
	copy(record[:], b)

	return record, nil
}

// ReadSlot reads a committed slot.
// It returns ErrNotFound when the slot was never written.
func (c *Client) ReadSlot(contract [32]byte, slot string) (*Slot, error) {
	var s Slot

	path := "/slots/" + hex.EncodeToString(contract[:]) + "/" + url.PathEscape(slot)
	err := httpGet(c.http, c.url(path), &s)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read slot:\n%w", err)
	}

	return &s, nil
}

// url builds the absolute url of path.
func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}

// encodeWrite converts a request to its JSON body.
func encodeWrite(req WriteRequest) map[string]any {
	body := map[string]any{
		"contract": hex.EncodeToString(req.Contract[:]),
		"slot":     req.Slot,
		"result":   req.Result,
	}

	if req.Previous != nil {
		body["previous"] = hex.EncodeToString(req.Previous[:])
	}

	return body
}
