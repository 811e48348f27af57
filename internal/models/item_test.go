package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemGroup(t *testing.T) {
	produce := "produce"
	empty := ""

	assert.Equal(t, "produce", Item{CategoryID: &produce}.Group())
	assert.Equal(t, UncategorizedGroup, Item{}.Group())
	assert.Equal(t, UncategorizedGroup, Item{CategoryID: &empty}.Group())
}

func TestItemDecodeNullCategory(t *testing.T) {
	var it Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","name":"milk","category_id":null,"checked_at":null,"sort_order":2,"created_at":"2024-05-01T10:00:00Z"}`), &it))

	assert.Equal(t, "a", it.ID)
	assert.Nil(t, it.CategoryID)
	assert.Nil(t, it.CheckedAt)
	assert.Equal(t, 2, it.SortOrder)
	assert.Equal(t, 2024, it.CreatedAt.Year())
}

func TestQueuedMutationOmitsEmptyBody(t *testing.T) {
	data, err := json.Marshal(QueuedMutation{Key: 7, URL: "/api/x", Method: "DELETE", Headers: map[string]string{}, Timestamp: 1})
	require.NoError(t, err)

	assert.JSONEq(t, `{"url":"/api/x","method":"DELETE","headers":{},"timestamp":1}`, string(data))
}
