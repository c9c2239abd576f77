package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCategory is used when a tag request names no category.
const DefaultCategory = "No Category"

const noDescription = "(No Description)"

// TagRequest carries the user's input when tagging the current position.
type TagRequest struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

// TaggedLocation is a position the user chose to keep. Storing it is the
// job of a TagStore; the acquisition core never persists anything.
type TaggedLocation struct {
	ID          string    `json:"id" dynamodbav:"id"`
	Description string    `json:"description" dynamodbav:"description"`
	Category    string    `json:"category" dynamodbav:"category"`
	Lat         float64   `json:"lat" dynamodbav:"lat"`
	Lon         float64   `json:"lon" dynamodbav:"lon"`
	Accuracy    float64   `json:"accuracy" dynamodbav:"accuracy"`
	FixTime     time.Time `json:"fix_time" dynamodbav:"fix_time"`
	Address     *Address  `json:"address,omitempty" dynamodbav:"address,omitempty"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
}

// NewTaggedLocation builds a tag from the best fix and address of a state.
// It returns ErrNoFix when the state has no fix yet.
func NewTaggedLocation(s State, req TagRequest) (TaggedLocation, error) {
	if !s.HasFix() {
		return TaggedLocation{}, ErrNoFix
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = DefaultCategory
	}
	tag := TaggedLocation{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(req.Description),
		Category:    category,
		Lat:         s.BestFix.Lat,
		Lon:         s.BestFix.Lon,
		Accuracy:    s.BestFix.HorizontalAccuracy,
		FixTime:     s.BestFix.Timestamp,
		CreatedAt:   clock.Now().UTC(),
	}
	if s.Address != nil && !s.Address.IsZero() {
		addr := *s.Address
		tag.Address = &addr
	}
	return tag, nil
}

// Summary renders the tag as a list row: description on the first line,
// the short address (or raw coordinates) on the second.
func (t TaggedLocation) Summary() string {
	desc := t.Description
	if desc == "" {
		desc = noDescription
	}
	var where string
	if t.Address != nil {
		where = t.Address.Short()
	}
	if where == "" {
		where = fmt.Sprintf("Lat: %.8f, Long: %.8f", t.Lat, t.Lon)
	}
	return desc + "\n" + where
}
