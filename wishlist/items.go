package wishlist

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizeProductID trims and NFC-normalizes a product identifier so the
// same product typed on different platforms maps to one wishlist entry.
func NormalizeProductID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// ValidateItem checks the fields of an item. The product ID must already
// be normalized.
func ValidateItem(item Item) error {
	if err := validate.Struct(item); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return nil
}

// ValidateBatch checks a batch request and every operation in it.
func ValidateBatch(req BatchRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return nil
}

func indexOf(items []Item, productID string) int {
	return slices.IndexFunc(items, func(it Item) bool { return it.ProductID == productID })
}

func containsItem(items []Item, productID string) bool {
	return indexOf(items, productID) >= 0
}

// withItem returns items plus item, or items unchanged when the product
// is already present.
func withItem(items []Item, item Item) []Item {
	if containsItem(items, item.ProductID) {
		return items
	}
	out := make([]Item, 0, len(items)+1)
	out = append(out, items...)
	return append(out, item)
}

// withoutItem returns items minus productID.
func withoutItem(items []Item, productID string) []Item {
	idx := indexOf(items, productID)
	if idx < 0 {
		return items
	}
	out := make([]Item, 0, len(items)-1)
	out = append(out, items[:idx]...)
	return append(out, items[idx+1:]...)
}

// ApplyOperations replays ops onto items in order. Adding a present
// product and removing an absent one are no-ops, which makes replaying a
// partially applied batch safe.
func ApplyOperations(items []Item, ops []BatchOperation, now time.Time) []Item {
	out := slices.Clone(items)
	for _, op := range ops {
		id := NormalizeProductID(op.ProductID)
		switch op.Type {
		case ChangeAdd:
			item := Item{ProductID: id}
			if op.Data != nil {
				item = *op.Data
				item.ProductID = id
			}
			if item.AddedAt.IsZero() {
				item.AddedAt = now
			}
			out = withItem(out, item)
		case ChangeRemove:
			out = withoutItem(out, id)
		}
	}
	if out == nil {
		out = []Item{}
	}
	return out
}

// toOperations converts log entries into batch operations, preserving order.
func toOperations(changes []PendingChange) []BatchOperation {
	ops := make([]BatchOperation, 0, len(changes))
	for _, c := range changes {
		ops = append(ops, BatchOperation{
			Type:      c.Type,
			ProductID: c.ProductID,
			Data:      c.Payload,
		})
	}
	return ops
}
