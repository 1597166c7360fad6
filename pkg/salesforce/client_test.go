package salesforce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSFClient creates an sfClient backed by an httptest server.
func newTestSFClient(t *testing.T, handler http.Handler, opts ...ClientOption) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	return NewClient(sf, opts...)
}

func TestFindLeadByID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		assert.Contains(t, r.URL.Query().Get("q"), "FROM Lead WHERE Id = '00Q1'")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalSize": 1,
			"done":      true,
			"records": []map[string]any{{
				"attributes":  map[string]any{"type": "Lead"},
				"Id":          "00Q1",
				"FirstName":   "Dana",
				"LastName":    "Reyes",
				"Company":     "Acme Plumbing",
				"MobilePhone": "+15550100",
				"Status":      "Open",
			}},
		})
	})

	lead, err := FindLeadByID(context.Background(), newTestSFClient(t, handler, WithRateLimit(50)), "00Q1")
	require.NoError(t, err)
	require.NotNil(t, lead)
	assert.Equal(t, "Dana", lead.FirstName)
	assert.Equal(t, "Acme Plumbing", lead.Company)
	assert.Equal(t, "+15550100", lead.MobilePhone)
}

func TestFindLeadByID_NoRows(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"totalSize": 0, "done": true, "records": []any{}})
	})

	lead, err := FindLeadByID(context.Background(), newTestSFClient(t, handler), "00Qmissing")
	require.NoError(t, err)
	assert.Nil(t, lead)
}

func TestFindLeadByID_QueryError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid SOQL", "errorCode": "MALFORMED_QUERY"},
		})
	})

	_, err := FindLeadByID(context.Background(), newTestSFClient(t, handler), "00Q1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: find lead 00Q1")
}

func TestUpdateLeadStatus(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Contains(t, r.URL.Path, "/sobjects/Lead/00Q1")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	})

	err := UpdateLeadStatus(context.Background(), newTestSFClient(t, handler), "00Q1", "Contacted")
	require.NoError(t, err)
	assert.Equal(t, "Contacted", body["Status"])
}

func TestUpdateLeadStatus_Validation(t *testing.T) {
	c := newTestSFClient(t, http.NotFoundHandler())
	assert.Error(t, UpdateLeadStatus(context.Background(), c, "", "Contacted"))
	assert.Error(t, UpdateLeadStatus(context.Background(), c, "00Q1", ""))
}

func TestUpdateOne_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "bad value for restricted picklist", "errorCode": "INVALID_OR_NULL_FOR_RESTRICTED_PICKLIST"},
		})
	})

	err := newTestSFClient(t, handler).UpdateOne(context.Background(), "Lead", "00Q1", map[string]any{"Status": "Nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: update Lead 00Q1")
}

func TestRateLimit_ContextCancelled(t *testing.T) {
	c := newTestSFClient(t, http.NotFoundHandler(), WithRateLimit(0.001))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Query(ctx, "SELECT Id FROM Lead", &[]Lead{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: rate limit")
}

func TestDial_RequiresCreds(t *testing.T) {
	_, err := Dial(Creds{})
	assert.Error(t, err)
}

func TestEscapeSoql(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escapeSoql("O'Brien"))
	assert.Equal(t, `a\\\'b`, escapeSoql(`a\'b`))
}
