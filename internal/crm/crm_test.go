package crm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/salesforce"
)

type mockSF struct {
	mock.Mock
}

func (m *mockSF) Query(ctx context.Context, soql string, out any) error {
	args := m.Called(ctx, soql, out)
	if fn, ok := args.Get(0).(func(out any)); ok {
		fn(out)
		return nil
	}
	return args.Error(0)
}

func (m *mockSF) UpdateOne(ctx context.Context, obj, id string, fields map[string]any) error {
	return m.Called(ctx, obj, id, fields).Error(0)
}

func fillLeads(leads ...salesforce.Lead) func(out any) {
	return func(out any) {
		*out.(*[]salesforce.Lead) = leads
	}
}

func TestSalesforce_FetchSnapshot(t *testing.T) {
	sf := new(mockSF)
	sf.On("Query", mock.Anything, mock.MatchedBy(func(q string) bool {
		return strings.Contains(q, "FROM Lead WHERE Id = '00Q1'")
	}), mock.Anything).Return(fillLeads(salesforce.Lead{
		ID:          "00Q1",
		FirstName:   "Dana",
		LastName:    "Reyes",
		Company:     "Acme Plumbing",
		MobilePhone: "+15550100",
		Description: "Met at trade show",
	}))

	snap, err := NewSalesforce(sf, nil).FetchSnapshot(context.Background(), "00Q1")
	require.NoError(t, err)
	assert.Equal(t, Source, snap.Source)
	assert.False(t, snap.CapturedAt.IsZero())

	c, err := snap.Contact()
	require.NoError(t, err)
	assert.Equal(t, "Dana", c.FirstName)
	assert.Equal(t, "+15550100", c.Recipient())
	assert.Equal(t, "Met at trade show", c.Notes)
}

func TestSalesforce_FetchSnapshot_NotFound(t *testing.T) {
	sf := new(mockSF)
	sf.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(fillLeads())

	_, err := NewSalesforce(sf, nil).FetchSnapshot(context.Background(), "00Qmissing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSalesforce_FetchSnapshot_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind resilience.Kind
	}{
		{"expired session", errors.New(`[{"errorCode":"INVALID_SESSION_ID"}]`), resilience.KindAuth},
		{"bad query", errors.New(`[{"errorCode":"MALFORMED_QUERY"}]`), resilience.KindPermanent},
		{"network", errors.New("dial tcp: connection refused"), resilience.KindTransient},
		{"opaque", errors.New("something odd"), resilience.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf := new(mockSF)
			sf.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(tt.err)

			_, err := NewSalesforce(sf, nil).FetchSnapshot(context.Background(), "00Q1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, resilience.Classify(err))
		})
	}
}

func TestSalesforce_SyncStatus(t *testing.T) {
	sf := new(mockSF)
	sf.On("UpdateOne", mock.Anything, "Lead", "00Q1", map[string]any{"Status": "Responded"}).Return(nil).Once()

	s := NewSalesforce(sf, nil)
	require.NoError(t, s.SyncStatus(context.Background(), "00Q1", model.EventReplied))
	// Unmapped events are ignored.
	require.NoError(t, s.SyncStatus(context.Background(), "00Q1", model.EventSent))
	sf.AssertExpectations(t)
}

func TestSalesforce_SyncStatus_CustomMap(t *testing.T) {
	sf := new(mockSF)
	sf.On("UpdateOne", mock.Anything, "Lead", "00Q1", map[string]any{"Status": "Working"}).
		Return(errors.New(`[{"errorCode":"INVALID_OR_NULL_FOR_RESTRICTED_PICKLIST"}]`))

	s := NewSalesforce(sf, map[string]string{model.EventRead: "Working"})
	err := s.SyncStatus(context.Background(), "00Q1", model.EventRead)
	assert.True(t, resilience.IsPermanent(err))
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
L1:
  first_name: Dana
  company: Acme Plumbing
  mobile: "+15550100"
`), 0o600))

	fp, err := LoadFile(path)
	require.NoError(t, err)

	snap, err := fp.FetchSnapshot(context.Background(), "L1")
	require.NoError(t, err)
	c, err := snap.Contact()
	require.NoError(t, err)
	assert.Equal(t, "L1", c.ID)
	assert.Equal(t, "Acme Plumbing", c.Company)

	_, err = fp.FetchSnapshot(context.Background(), "L2")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, fp.SyncStatus(context.Background(), "L1", model.EventDelivered))
	assert.Equal(t, "Contacted", fp.Status("L1"))
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not a map"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
