package model

import "time"

// ListingRecord is a persisted artisan product entry. The JSON names match
// the fields stored in the document collection.
type ListingRecord struct {
	// ID is the document id assigned by the store.
	ID          string  `json:"-"`
	ArtisanID   string  `json:"artisanId"`
	ArtisanName string  `json:"artisanName"`
	ProductName string  `json:"productName"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Contact     string  `json:"contact"`
	Area        string  `json:"area"`
	// ImageURL is omitted from the stored document when no image was uploaded.
	ImageURL string `json:"imageUrl,omitempty"`
	// CreatedAt is assigned by the store, never by the client.
	CreatedAt time.Time `json:"-"`
}

// ListingPost is the caption generated for a stored listing by the worker.
// It is appended to its own collection so listings stay immutable.
type ListingPost struct {
	ListingID  string   `json:"listingId"`
	ArtisanID  string   `json:"artisanId"`
	ImageURL   string   `json:"imageUrl"`
	Caption    string   `json:"caption"`
	Hashtags   []string `json:"hashtags"`
	Mood       string   `json:"mood,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}
