package poll

import (
	"bytes"
	"strconv"
	"time"
)

// VoteTotal is an authoritative replacement count published by the backend.
// It is never computed or incremented locally. The backend serializes it as
// either a JSON number or a decimal string depending on which query produced
// it, so both forms must decode.
type VoteTotal int64

func (v *VoteTotal) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*v = VoteTotal(n)
	return nil
}

// Option is one selectable choice of a poll. ID is stable for the poll's
// lifetime; Label and Description never change after creation.
type Option struct {
	ID          int64     `json:"id"`
	Label       string    `json:"option"`
	Description string    `json:"desc,omitempty"`
	VoteTotal   VoteTotal `json:"total"`
}

// Poll is the full public state of one poll. Everything except Options is
// immutable after creation; Options carries the current vote totals.
type Poll struct {
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	Question  string    `json:"question"`
	ExpiredAt time.Time `json:"expiredAt"`
	Options   []Option  `json:"pollingOption"`
}

// Expired reports whether the poll is permanently closed as of now.
func (p Poll) Expired(now time.Time) bool {
	return !now.Before(p.ExpiredAt)
}

// TotalVotes sums the current vote totals across all options.
func (p Poll) TotalVotes() int64 {
	var sum int64
	for _, o := range p.Options {
		sum += int64(o.VoteTotal)
	}
	return sum
}

// WithOptions returns a copy of p with its options replaced wholesale.
// The input slice is cloned so callers cannot alias the poll's state.
func (p Poll) WithOptions(opts []Option) Poll {
	cp := p
	cp.Options = CloneOptions(opts)
	return cp
}

// CloneOptions copies an options slice.
func CloneOptions(opts []Option) []Option {
	if opts == nil {
		return nil
	}
	return append([]Option(nil), opts...)
}
