package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
)

type mockRepo struct {
	carts map[string]*Cart
}

func newMockRepo() *mockRepo { return &mockRepo{carts: map[string]*Cart{}} }

func (m *mockRepo) GetByUser(_ context.Context, userID string) (*Cart, error) {
	c, ok := m.carts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockRepo) Save(_ context.Context, c *Cart) error {
	m.carts[c.UserID] = c
	return nil
}

func (m *mockRepo) ClearLines(_ context.Context, userID string) error {
	if c, ok := m.carts[userID]; ok {
		c.Lines = nil
	}
	return nil
}

type mockCatalog struct {
	entries map[catalog.Ref]catalog.Entry
}

func (m *mockCatalog) GetEntries(_ context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Entry, error) {
	out := make(map[catalog.Ref]catalog.Entry)
	for _, r := range refs {
		if e, ok := m.entries[r]; ok {
			out[r] = e
		}
	}
	return out, nil
}

func (m *mockCatalog) AdjustStock(context.Context, []catalog.StockDelta) error { return nil }

func newService() (*Service, *mockRepo) {
	repo := newMockRepo()
	cat := &mockCatalog{entries: map[catalog.Ref]catalog.Entry{
		{Kind: catalog.KindProduct, ID: "p1"}: {
			Kind:    catalog.KindProduct,
			Product: &catalog.Product{ID: "p1", Title: "Basket", Price: 8000},
		},
		{Kind: catalog.KindProduct, ID: "p2"}: {
			Kind: catalog.KindProduct,
			Product: &catalog.Product{ID: "p2", Title: "Shirt", Price: 15000, Variants: []catalog.Variant{
				{SKU: "p2-s", Price: 15000, Stock: 4},
				{SKU: "p2-m", Price: 16000, Stock: 2},
			}},
		},
		{Kind: catalog.KindCourse, ID: "c1"}: {
			Kind:   catalog.KindCourse,
			Course: &catalog.Course{ID: "c1", Title: "Tailoring basics", Price: 50000},
		},
	}}
	return NewService(repo, cat, cache.Noop{}), repo
}

func TestService_Get_NewUserGetsEmptyCart(t *testing.T) {
	s, _ := newService()

	c, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID)
	assert.Empty(t, c.Lines)
	assert.NotEmpty(t, c.ID)
}

func TestService_Add(t *testing.T) {
	s, repo := newService()

	t.Run("product without variants", func(t *testing.T) {
		c, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p1", Quantity: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, c.ItemCount())
		assert.Len(t, repo.carts["user-1"].Lines, 1)
	})

	t.Run("duplicate key merges", func(t *testing.T) {
		c, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p1", Quantity: 1})
		require.NoError(t, err)
		assert.Len(t, c.Lines, 1)
		assert.Equal(t, 3, c.ItemCount())
	})

	t.Run("unknown product", func(t *testing.T) {
		_, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "nope", Quantity: 1})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("variant required", func(t *testing.T) {
		_, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p2", Quantity: 1})
		assert.ErrorIs(t, err, ErrVariantRequired)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p2", VariantSKU: "p2-xl", Quantity: 1})
		assert.ErrorIs(t, err, ErrVariantNotFound)
	})

	t.Run("course", func(t *testing.T) {
		c, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindCourse, Ref: "c1", Quantity: 1})
		require.NoError(t, err)
		assert.Len(t, c.Lines, 2)
	})

	t.Run("zero quantity", func(t *testing.T) {
		_, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p1", Quantity: 0})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})
}

func TestService_UpdateItem(t *testing.T) {
	s, _ := newService()
	c, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p1", Quantity: 2})
	require.NoError(t, err)
	lineID := c.Lines[0].ID

	c, err = s.UpdateItem(context.Background(), "user-1", lineID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Lines[0].Quantity)

	c, err = s.UpdateItem(context.Background(), "user-1", lineID, 0)
	require.NoError(t, err)
	assert.Empty(t, c.Lines)

	_, err = s.UpdateItem(context.Background(), "user-1", "missing", 1)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestService_Sync(t *testing.T) {
	s, _ := newService()
	_, err := s.Add(context.Background(), "user-1", Line{Kind: catalog.KindProduct, Ref: "p1", Quantity: 1})
	require.NoError(t, err)

	c, err := s.Sync(context.Background(), "user-1", []Line{
		{Kind: catalog.KindProduct, Ref: "p1", Quantity: 2},
		{Kind: catalog.KindProduct, Ref: "p2", VariantSKU: "p2-m", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Len(t, c.Lines, 2)
	assert.Equal(t, 4, c.ItemCount())

	t.Run("unknown ref fails whole sync", func(t *testing.T) {
		_, err := s.Sync(context.Background(), "user-1", []Line{
			{Kind: catalog.KindProduct, Ref: "ghost", Quantity: 1},
		})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("empty sync is a read", func(t *testing.T) {
		c, err := s.Sync(context.Background(), "user-1", nil)
		require.NoError(t, err)
		assert.Equal(t, 4, c.ItemCount())
	})
}
