// Package word keeps the vocabulary catalog used by study rooms and games.
// Words are addressed by their english form and listed by level (GSI1) or
// by category (GSI2).
package word

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/go-playground/validator/v10"
)

var (
	ErrWordNotFound = errors.New("word not found")
	ErrInvalidWord  = errors.New("invalid word")
)

var validate = validator.New()

// Word is one catalog entry
type Word struct {
	English   string    `dynamodbav:"english" json:"english" validate:"required,max=100,excludesall=#"`
	Korean    string    `dynamodbav:"korean" json:"korean" validate:"required,max=200"`
	Level     string    `dynamodbav:"level" json:"level" validate:"required,max=20,excludesall=#"`
	Category  string    `dynamodbav:"category" json:"category" validate:"required,max=50,excludesall=#"`
	Example   string    `dynamodbav:"example,omitempty" json:"example,omitempty" validate:"max=500"`
	CreatedAt time.Time `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt" json:"updatedAt"`
}

// Validate checks the word against its field rules
func (w Word) Validate() error {
	if err := validate.Struct(w); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidWord, strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Catalog stores and lists words
type Catalog struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
	// intn picks an index in [0, n)
	intn func(n int) int
}

type Option func(*Catalog)

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithChooser replaces the random choice made by Pick.
func WithChooser(intn func(n int) int) Option {
	return func(c *Catalog) { c.intn = intn }
}

func NewCatalog(store storage.Store, logger *slog.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Catalog{store: store, logger: logger, now: time.Now, intn: rand.Intn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save writes w, replacing any entry with the same english form. The creation
// time of an existing entry is kept.
func (c *Catalog) Save(ctx context.Context, w Word) (Word, error) {
	if err := w.Validate(); err != nil {
		return Word{}, err
	}
	key, err := keys.WordKey(w.English)
	if err != nil {
		return Word{}, err
	}

	now := c.now().UTC()
	w.UpdatedAt = now
	if existing, err := c.Get(ctx, w.English); err == nil {
		w.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, ErrWordNotFound) {
		w.CreatedAt = now
	} else {
		return Word{}, err
	}

	item, err := storage.NewItem(key, w)
	if err != nil {
		return Word{}, err
	}
	if err := c.store.Put(ctx, item); err != nil {
		return Word{}, fmt.Errorf("failed to save word: %w", err)
	}
	c.logger.Debug("word saved",
		slog.String("english", w.English),
		slog.String("level", w.Level),
		slog.String("category", w.Category))
	return w, nil
}

func (c *Catalog) Get(ctx context.Context, english string) (Word, error) {
	key, err := keys.WordKey(english)
	if err != nil {
		return Word{}, err
	}
	item, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Word{}, fmt.Errorf("%w: %s", ErrWordNotFound, english)
	}
	if err != nil {
		return Word{}, err
	}
	return decode(item)
}

// Reclassify moves a word to another level and category. The index keys are
// rewritten in the same store operation.
func (c *Catalog) Reclassify(ctx context.Context, english, level, category string) (Word, error) {
	key, err := keys.WordKey(english)
	if err != nil {
		return Word{}, err
	}
	if _, err := keys.WordLevelProjection(english, level, category); err != nil {
		return Word{}, err
	}

	patch := storage.NewPatch().
		Set(keys.FieldLevel, level).
		Set(keys.FieldCategory, category).
		Set("updatedAt", c.now().UTC()).
		When(storage.ItemExists())
	item, err := c.store.Update(ctx, key, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		return Word{}, fmt.Errorf("%w: %s", ErrWordNotFound, english)
	}
	if err != nil {
		return Word{}, fmt.Errorf("failed to reclassify word: %w", err)
	}
	return decode(item)
}

func (c *Catalog) Delete(ctx context.Context, english string) error {
	key, err := keys.WordKey(english)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, key)
}

// ListByLevel returns words of a level ordered by category, then english.
func (c *Catalog) ListByLevel(ctx context.Context, level string, limit int, cursor string) ([]Word, string, error) {
	pk, err := keys.WordLevelPartition(level)
	if err != nil {
		return nil, "", err
	}
	return c.list(ctx, keys.IndexGSI1, pk, limit, cursor)
}

// Pick returns a random word of level, chosen among the first page of the
// level's listing. It fails with ErrWordNotFound when the level has no words.
func (c *Catalog) Pick(ctx context.Context, level string) (Word, error) {
	words, _, err := c.ListByLevel(ctx, level, storage.MaxQueryLimit, "")
	if err != nil {
		return Word{}, err
	}
	if len(words) == 0 {
		return Word{}, fmt.Errorf("%w: no words at level %s", ErrWordNotFound, level)
	}
	return words[c.intn(len(words))], nil
}

// ListByCategory returns words of a category ordered by level, then english.
func (c *Catalog) ListByCategory(ctx context.Context, category string, limit int, cursor string) ([]Word, string, error) {
	pk, err := keys.WordCategoryPartition(category)
	if err != nil {
		return nil, "", err
	}
	return c.list(ctx, keys.IndexGSI2, pk, limit, cursor)
}

func (c *Catalog) list(ctx context.Context, index, pk string, limit int, cursor string) ([]Word, string, error) {
	page, err := c.store.QueryByIndex(ctx, index, pk, storage.QueryOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, "", err
	}
	words := make([]Word, 0, len(page.Items))
	for _, item := range page.Items {
		w, err := decode(item)
		if err != nil {
			return nil, "", err
		}
		words = append(words, w)
	}
	return words, page.NextCursor, nil
}

func decode(item storage.Item) (Word, error) {
	var w Word
	if err := item.Unmarshal(&w); err != nil {
		return Word{}, fmt.Errorf("failed to decode word: %w", err)
	}
	return w, nil
}
