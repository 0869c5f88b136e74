package api

import (
	"context"
	"time"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/state"
)

// Status is a point-in-time view of the agent, assembled from the
// store and the financial gate's last poll.
type Status struct {
	Name         string                 `json:"name"`
	State        state.AgentState       `json:"state"`
	Tier         financial.Tier         `json:"tier,omitempty"`
	CreditsCents int64                  `json:"credits_cents"`
	Credits      string                 `json:"credits"`
	TokenBalance float64                `json:"token_balance"`
	LastChecked  *time.Time             `json:"last_checked,omitempty"`
	TurnCount    int                    `json:"turn_count"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	SleepUntil   *time.Time             `json:"sleep_until,omitempty"`
	WakeRequest  string                 `json:"wake_request,omitempty"`
	UnreadInbox  int                    `json:"unread_inbox"`
	Heartbeat    []state.HeartbeatEntry `json:"heartbeat"`
}

// CollectStatus reads the current status. gate may be nil; when it has
// never polled, the financial fields are left zero.
func CollectStatus(ctx context.Context, name string, store *state.Store, gate *financial.Gate) (*Status, error) {
	r := store.Reader()
	st := &Status{Name: name}

	var err error
	if st.State, err = r.AgentState(ctx); err != nil {
		return nil, err
	}
	if st.TurnCount, err = store.TurnCount(ctx); err != nil {
		return nil, err
	}
	if st.UnreadInbox, err = store.CountUnprocessedInbox(ctx); err != nil {
		return nil, err
	}
	if st.Heartbeat, err = store.HeartbeatEntries(ctx); err != nil {
		return nil, err
	}
	if st.Heartbeat == nil {
		st.Heartbeat = []state.HeartbeatEntry{}
	}

	if t, ok, err := r.StartTime(ctx); err != nil {
		return nil, err
	} else if ok {
		st.StartTime = &t
	}
	if t, ok, err := r.SleepUntil(ctx); err != nil {
		return nil, err
	} else if ok {
		st.SleepUntil = &t
	}
	if st.WakeRequest, _, err = r.WakeRequest(ctx); err != nil {
		return nil, err
	}

	st.Credits = financial.FormatCredits(0)
	if gate != nil {
		if fin := gate.Last(); !fin.LastChecked.IsZero() {
			st.CreditsCents = fin.CreditsCents
			st.Credits = financial.FormatCredits(fin.CreditsCents)
			st.TokenBalance = fin.TokenBalance
			st.Tier = gate.Tier(fin.CreditsCents)
			checked := fin.LastChecked
			st.LastChecked = &checked
		}
	}
	return st, nil
}
