package challengeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:         server.URL + "/",
		Token:           "m2m-token",
		TypeID:          "type-1",
		TrackID:         "track-1",
		SubmitterRoleID: "role-1",
	})
}

func TestCreateChallenge_SendsPrizeAndBilling(t *testing.T) {
	challengeID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/challenges", r.URL.Path)
		assert.Equal(t, "Bearer m2m-token", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "type-1", body["typeId"])
		assert.Equal(t, float64(77), body["billing"].(map[string]any)["billingAccountId"])

		_ = json.NewEncoder(w).Encode(map[string]any{"id": challengeID})
	})

	got, err := client.CreateChallenge(context.Background(), CreateChallengeRequest{
		Name:             "Payment for week 2024-03-10",
		ProjectID:        10,
		BillingAccountID: 77,
		Amount:           decimal.RequireFromString("13.23"),
	})
	require.NoError(t, err)
	assert.Equal(t, challengeID, got)
}

func TestGetUserID_ReturnsNumericID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/members/jane.doe", r.URL.Path)
		_, _ = w.Write([]byte(`{"userId": 88776655}`))
	})

	userID, err := client.GetUserID(context.Background(), "jane.doe")
	require.NoError(t, err)
	assert.Equal(t, int64(88776655), userID)
}

func TestAssignMember_ConflictMeansAlreadyAssigned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"member already registered"}`))
	})

	assert.NoError(t, client.AssignMember(context.Background(), uuid.New(), "jane.doe"))
}

func TestActivateChallenge_ErrorCarriesStatusCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"challenge not found"}`))
	})

	err := client.ActivateChallenge(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCodeOf(err))
	assert.Contains(t, err.Error(), "challenge not found")
}

func TestCloseChallenge_SendsWinner(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status  string `json:"status"`
			Winners []struct {
				UserID    int64  `json:"userId"`
				Handle    string `json:"handle"`
				Placement int    `json:"placement"`
			} `json:"winners"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Completed", body.Status)
		if !assert.Len(t, body.Winners, 1) {
			return
		}
		assert.Equal(t, int64(42), body.Winners[0].UserID)
		assert.Equal(t, 1, body.Winners[0].Placement)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.CloseChallenge(context.Background(), uuid.New(), 42, "jane.doe"))
}

func TestUpdateChallengeBilling_PlainTextError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	})

	err := client.UpdateChallengeBilling(context.Background(), uuid.New(), BillingUpdate{BillingAccountID: 1, Amount: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusCodeOf(err))
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestClient_RequiresBaseURL(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.GetUserID(context.Background(), "jane")
	require.Error(t, err)
	assert.Equal(t, 0, StatusCodeOf(err))
}
