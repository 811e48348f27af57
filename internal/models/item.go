package models

import "time"

// UncategorizedGroup is the group key for items without a category.
const UncategorizedGroup = "uncategorized"

// Item is one entry of a shared list as returned by the list API and
// carried in realtime event payloads.
type Item struct {
	ID         string     `json:"id"`
	ListID     string     `json:"list_id,omitempty"`
	Name       string     `json:"name"`
	Quantity   float64    `json:"quantity"`
	Unit       string     `json:"unit,omitempty"`
	CategoryID *string    `json:"category_id"`
	Checked    bool       `json:"checked"`
	CheckedBy  *string    `json:"checked_by,omitempty"`
	CheckedAt  *time.Time `json:"checked_at"`
	AddedBy    string     `json:"added_by,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	SortOrder  int        `json:"sort_order"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Group returns the reorder group the item belongs to: its category id,
// or UncategorizedGroup when it has none.
func (it Item) Group() string {
	if it.CategoryID == nil || *it.CategoryID == "" {
		return UncategorizedGroup
	}

	return *it.CategoryID
}
