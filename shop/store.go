// Package shop serves shop lookups through the cache-aside layer: the
// pass-through strategy for the general catalog, logical expiration for
// pre-warmed hot shops, and a Redis list for the small static type list.
package shop

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/uptrace/bun"
)

// Shop is a storefront entry in the catalog.
type Shop struct {
	bun.BaseModel `bun:"table:shops,alias:s"`

	ID      int64  `bun:"id,pk" msgpack:"id"`
	Name    string `bun:"name,notnull" msgpack:"name"`
	TypeID  int64  `bun:"type_id" msgpack:"typeId"`
	Address string `bun:"address" msgpack:"address"`
	Score   int    `bun:"score" msgpack:"score"`
}

// ShopType is a catalog category. The full list is small and static
// enough to cache as a whole.
type ShopType struct {
	bun.BaseModel `bun:"table:shop_types,alias:st"`

	ID   int64  `bun:"id,pk" msgpack:"id"`
	Name string `bun:"name,notnull" msgpack:"name"`
	Sort int    `bun:"sort" msgpack:"sort"`
}

// Store is the durable shop repository.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Init(ctx context.Context) error {
	for _, model := range []any{(*Shop)(nil), (*ShopType)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrap(err, "shop: creating schema")
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, shop *Shop) error {
	_, err := s.db.NewInsert().Model(shop).Exec(ctx)
	return errors.Wrapf(err, "shop: inserting shop %d", shop.ID)
}

func (s *Store) CreateType(ctx context.Context, st *ShopType) error {
	_, err := s.db.NewInsert().Model(st).Exec(ctx)
	return errors.Wrapf(err, "shop: inserting type %d", st.ID)
}

// Load resolves a shop by ID, reporting absence as found=false. The
// signature satisfies the cache loader contract.
func (s *Store) Load(ctx context.Context, id int64) (*Shop, bool, error) {
	shop := new(Shop)
	err := s.db.NewSelect().Model(shop).Where("s.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "shop: loading shop %d", id)
	}
	return shop, true, nil
}

// Update persists shop changes.
func (s *Store) Update(ctx context.Context, shop *Shop) error {
	_, err := s.db.NewUpdate().Model(shop).WherePK().Exec(ctx)
	return errors.Wrapf(err, "shop: updating shop %d", shop.ID)
}

// ListTypes returns all shop types ordered by their sort weight.
func (s *Store) ListTypes(ctx context.Context) ([]ShopType, error) {
	var types []ShopType
	if err := s.db.NewSelect().Model(&types).OrderExpr("st.sort ASC").Scan(ctx); err != nil {
		return nil, errors.Wrap(err, "shop: listing types")
	}
	return types, nil
}
