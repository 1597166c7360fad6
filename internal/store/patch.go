package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

const leadColumns = `lead_id, stage, crm_snapshot, research, message, delivery, last_error, lock_holder, lock_acquired_at, version, created_at, updated_at`

// dialect captures the placeholder and value encoding differences between
// the SQLite and Postgres backends.
type dialect struct {
	placeholder func(n int) string
	jsonArg     func(b []byte) any
	timeArg     func(t time.Time) any
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	jsonArg:     func(b []byte) any { return string(b) },
	timeArg:     func(t time.Time) any { return formatTime(t) },
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	jsonArg:     func(b []byte) any { return b },
	timeArg:     func(t time.Time) any { return t.UTC() },
}

// buildLeadUpdate renders the versioned, field-scoped UPDATE for patch.
func buildLeadUpdate(d dialect, leadID string, expectedVersion int64, p LeadPatch, now time.Time) (string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, d.placeholder(len(args))))
	}
	addJSON := func(col string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return eris.Wrapf(err, "store: marshal %s", col)
		}
		add(col, d.jsonArg(b))
		return nil
	}

	if p.Stage != nil {
		if !p.Stage.Valid() {
			return "", nil, eris.Errorf("store: invalid stage %q", *p.Stage)
		}
		add("stage", string(*p.Stage))
	}
	if p.Research != nil {
		if err := addJSON("research", p.Research); err != nil {
			return "", nil, err
		}
	}
	if p.Message != nil {
		if err := addJSON("message", p.Message); err != nil {
			return "", nil, err
		}
	}
	if p.Delivery != nil {
		if err := addJSON("delivery", p.Delivery); err != nil {
			return "", nil, err
		}
	}
	if p.ClearResults {
		if p.Research == nil {
			sets = append(sets, "research = NULL")
		}
		if p.Message == nil {
			sets = append(sets, "message = NULL")
		}
		if p.Delivery == nil {
			sets = append(sets, "delivery = NULL")
		}
	}
	if p.LastError != nil {
		add("last_error", *p.LastError)
	}
	switch {
	case p.Lock != nil:
		add("lock_holder", p.Lock.HeldBy)
		add("lock_acquired_at", d.timeArg(p.Lock.AcquiredAt))
	case p.ClearLock:
		sets = append(sets, "lock_holder = NULL", "lock_acquired_at = NULL")
	}
	add("updated_at", d.timeArg(now))
	sets = append(sets, "version = version + 1")

	args = append(args, leadID)
	where := fmt.Sprintf("lead_id = %s", d.placeholder(len(args)))
	args = append(args, expectedVersion)
	where += fmt.Sprintf(" AND version = %s", d.placeholder(len(args)))

	query := fmt.Sprintf("UPDATE leads SET %s WHERE %s RETURNING %s",
		strings.Join(sets, ", "), where, leadColumns)
	return query, args, nil
}

// leadRow is the backend-neutral form of a scanned leads row.
type leadRow struct {
	LeadID         string
	Stage          string
	Snapshot       []byte
	Research       []byte
	Message        []byte
	Delivery       []byte
	LastError      string
	LockHolder     *string
	LockAcquiredAt *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r leadRow) aggregate() (*model.LeadAggregate, error) {
	agg := &model.LeadAggregate{
		LeadID:    r.LeadID,
		Stage:     model.Stage(r.Stage),
		LastError: r.LastError,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Snapshot, &agg.CRMSnapshot); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal crm snapshot %s", r.LeadID)
	}
	if len(r.Research) > 0 {
		agg.Research = &model.ResearchResult{}
		if err := json.Unmarshal(r.Research, agg.Research); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal research %s", r.LeadID)
		}
	}
	if len(r.Message) > 0 {
		agg.Message = &model.MessageResult{}
		if err := json.Unmarshal(r.Message, agg.Message); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal message %s", r.LeadID)
		}
	}
	if len(r.Delivery) > 0 {
		agg.Delivery = &model.DeliveryResult{}
		if err := json.Unmarshal(r.Delivery, agg.Delivery); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal delivery %s", r.LeadID)
		}
	}
	if r.LockHolder != nil && *r.LockHolder != "" {
		agg.Lock = &model.RunLock{HeldBy: *r.LockHolder}
		if r.LockAcquiredAt != nil {
			agg.Lock.AcquiredAt = *r.LockAcquiredAt
		}
	}
	return agg, nil
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse time %q", s)
	}
	return t, nil
}
