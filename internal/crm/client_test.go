package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newTestClient(m *MockServer) *Client {
	return NewClient(Options{
		BaseURL:      m.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
	})
}

func locationToken(t *testing.T, m *MockServer, c *Client, locationID string) string {
	t.Helper()
	m.AddAgencyToken("company-1", "agency-access", "agency-refresh")
	tok, err := c.ExchangeLocationToken(context.Background(), "agency-access", "company-1", locationID)
	require.NoError(t, err)
	return tok.AccessToken
}

func TestClient_ExchangeLocationToken(t *testing.T) {
	m := NewMockServer()
	defer m.Close()
	c := newTestClient(m)

	m.AddAgencyToken("company-1", "agency-access", "")

	tok, err := c.ExchangeLocationToken(context.Background(), "agency-access", "company-1", "loc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, "loc-1", tok.LocationID)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	_, err = c.ExchangeLocationToken(context.Background(), "bogus", "company-1", "loc-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatus())
}

func TestClient_RefreshAgencyToken(t *testing.T) {
	t.Run("keeps refresh token when not rotated", func(t *testing.T) {
		m := NewMockServer()
		defer m.Close()
		c := newTestClient(m)
		m.AddAgencyToken("company-1", "", "refresh-1")

		res, err := c.RefreshAgencyToken(context.Background(), "refresh-1")
		require.NoError(t, err)
		assert.NotEmpty(t, res.AccessToken)
		assert.Equal(t, "refresh-1", res.RefreshToken)
		assert.Equal(t, "Company", res.UserType)
		assert.True(t, res.ExpiresAt.After(time.Now()))
	})

	t.Run("returns rotated refresh token", func(t *testing.T) {
		m := NewMockServer()
		defer m.Close()
		m.RotateRefresh = true
		c := newTestClient(m)
		m.AddAgencyToken("company-1", "", "refresh-1")

		res, err := c.RefreshAgencyToken(context.Background(), "refresh-1")
		require.NoError(t, err)
		assert.NotEqual(t, "refresh-1", res.RefreshToken)
	})

	t.Run("invalid grant surfaces as API error", func(t *testing.T) {
		m := NewMockServer()
		defer m.Close()
		c := newTestClient(m)

		_, err := c.RefreshAgencyToken(context.Background(), "unknown")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})
}

func TestClient_SearchPaginates(t *testing.T) {
	m := NewMockServer()
	defer m.Close()
	c := newTestClient(m)
	token := locationToken(t, m, c, "loc-1")

	for i := 0; i < 25; i++ {
		m.AddRecord(EntityContacts, Contact{ID: string(rune('a' + i)), LocationID: "loc-1"})
	}
	m.AddRecord(EntityContacts, Contact{ID: "other", LocationID: "loc-2"})

	q := SearchQuery{LocationID: "loc-1", Page: 3, PageLimit: 10}
	res, err := c.Search(context.Background(), token, EntityContacts, q)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Total)
	require.Len(t, res.Records, 5)

	var first Contact
	require.NoError(t, json.Unmarshal(res.Records[0], &first))
	assert.Equal(t, string(rune('a'+20)), first.ID)

	total, err := c.Count(context.Background(), token, EntityContacts, SearchQuery{LocationID: "loc-1"})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
}

func TestClient_SearchFilters(t *testing.T) {
	m := NewMockServer()
	defer m.Close()
	c := newTestClient(m)
	token := locationToken(t, m, c, "loc-1")

	m.AddRecord(EntityMessages, Message{ID: "m1", LocationID: "loc-1", ConversationID: "c1", Body: strPtr("hi")})
	m.AddRecord(EntityMessages, Message{ID: "m2", LocationID: "loc-1", ConversationID: "c2"})

	res, err := c.Search(context.Background(), token, EntityMessages, SearchQuery{
		LocationID: "loc-1",
		Page:       1,
		PageLimit:  10,
		Filters:    []Filter{{Field: "conversationId", Operator: "eq", Value: "c1"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 1, res.Total)
}

func TestClient_SearchRejectsForeignToken(t *testing.T) {
	m := NewMockServer()
	defer m.Close()
	c := newTestClient(m)
	token := locationToken(t, m, c, "loc-1")

	_, err := c.Search(context.Background(), token, EntityContacts, SearchQuery{LocationID: "loc-2", Page: 1, PageLimit: 10})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_InjectedFailure(t *testing.T) {
	m := NewMockServer()
	defer m.Close()
	c := newTestClient(m)
	token := locationToken(t, m, c, "loc-1")

	m.FailNext("/contacts/search", http.StatusTooManyRequests, 1)

	q := SearchQuery{LocationID: "loc-1", Page: 1, PageLimit: 10}
	_, err := c.Search(context.Background(), token, EntityContacts, q)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)

	_, err = c.Search(context.Background(), token, EntityContacts, q)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Calls("/contacts/search"))
}
