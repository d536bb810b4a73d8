package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bookshelf/internal/model"
)

func TestLoadCatalogFile(t *testing.T) {
	repo := NewMemoryRepository()

	n, err := repo.LoadCatalogFile("testdata/catalog.json")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	byID := make(map[int64]model.Book)
	err = repo.InTx(context.Background(), func(tx Tx) error {
		for _, id := range []int64{1, 2, 3, 4} {
			b, err := tx.GetBook(context.Background(), id)
			if err != nil {
				return err
			}
			byID[id] = *b
		}
		return nil
	})
	require.NoError(t, err)

	assert.True(t, byID[1].IsDigital())
	assert.Equal(t, "39.9", byID[1].Price.String())
	assert.True(t, byID[2].StockTracked)
	assert.Equal(t, 3, byID[2].StockQty)
	assert.False(t, byID[3].StockTracked)
	assert.False(t, byID[4].Active)
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	_, err := NewMemoryRepository().LoadCatalogFile("testdata/absent.json")
	assert.Error(t, err)
}

func TestDecodeCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing title", body: `[{"id":1,"format":"digital","price":"1"}]`},
		{name: "zero id", body: `[{"id":0,"title":"A","format":"digital","price":"1"}]`},
		{name: "duplicate id", body: `[{"id":1,"title":"A","format":"digital","price":"1"},{"id":1,"title":"B","format":"digital","price":"2"}]`},
		{name: "unknown format", body: `[{"id":1,"title":"A","format":"audio","price":"1"}]`},
		{name: "free book", body: `[{"id":1,"title":"A","format":"digital","price":"0"}]`},
		{name: "stock on digital", body: `[{"id":1,"title":"A","format":"digital","price":"1","stock_qty":2}]`},
		{name: "negative stock", body: `[{"id":1,"title":"A","format":"physical","price":"1","stock_qty":-1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCatalog(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}
