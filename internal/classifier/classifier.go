package classifier

import (
	"context"
	"errors"
)

// ErrUnavailable means the classifier endpoint could not produce a category.
// Callers fall back to CategoryOther after exhausting retries.
var ErrUnavailable = errors.New("classifier unavailable")

// CategoryOther is the fallback category assigned when classification fails
const CategoryOther = "Other"

// Categories the model is asked to choose from. Free-form answers outside
// this set are normalized to CategoryOther.
var KnownCategories = []string{
	"Personal",
	"Work",
	"Financial",
	"Marketing",
	"Advertising",
	"Wants-Money",
	"Newsletters",
	"Receipts",
	"Travel",
	"Social",
	"Notifications",
	CategoryOther,
}

// Classifier assigns a category to free text. Implementations may be slow;
// they must honor the context deadline.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}
