package models

// NewItem is the body of an item creation request.
type NewItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	CategoryID *string `json:"category_id,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	SortOrder  int     `json:"sort_order,omitempty"`
}

// ItemPatch is the body of an item update request. Nil fields are left
// unchanged by the server.
type ItemPatch struct {
	Name       *string  `json:"name,omitempty"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	CategoryID *string  `json:"category_id,omitempty"`
	Checked    *bool    `json:"checked,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
	SortOrder  *int     `json:"sort_order,omitempty"`
}

// ReorderRequest is the body of a group reorder call.
type ReorderRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// Suggestion is a previously used item name offered while typing.
type Suggestion struct {
	Name         string  `json:"name"`
	CategoryID   *string `json:"category_id"`
	CategoryName *string `json:"category_name"`
	UsageCount   int     `json:"usage_count"`
}
