package repository

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

type catalogEntry struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Format   string          `json:"format"`
	Price    decimal.Decimal `json:"price"`
	Inactive bool            `json:"inactive"`
	StockQty *int            `json:"stock_qty"`
}

// DecodeCatalog читает каталог книг в формате JSON-массива.
// Для бумажной книги stock_qty включает учёт остатков, без него остаток не ограничен.
func DecodeCatalog(r io.Reader) ([]model.Book, error) {
	var entries []catalogEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	books := make([]model.Book, 0, len(entries))
	seen := make(map[int64]bool, len(entries))
	for i, e := range entries {
		if e.ID <= 0 || e.Title == "" {
			return nil, fmt.Errorf("catalog entry %d: id and title are required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %d", i, e.ID)
		}
		seen[e.ID] = true

		format := model.BookFormat(e.Format)
		if format != model.BookFormatDigital && format != model.BookFormatPhysical {
			return nil, fmt.Errorf("catalog entry %d: unknown format %q", i, e.Format)
		}
		if !e.Price.IsPositive() {
			return nil, fmt.Errorf("catalog entry %d: price must be positive", i)
		}

		b := model.Book{ID: e.ID, Title: e.Title, Format: format, Price: e.Price, Active: !e.Inactive}
		if e.StockQty != nil {
			if format != model.BookFormatPhysical || *e.StockQty < 0 {
				return nil, fmt.Errorf("catalog entry %d: stock_qty needs a physical book and a non-negative value", i)
			}
			b.StockTracked = true
			b.StockQty = *e.StockQty
		}
		books = append(books, b)
	}
	return books, nil
}

// LoadCatalogFile заполняет каталог хранилища в памяти книгами из файла.
func (r *MemoryRepository) LoadCatalogFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	books, err := DecodeCatalog(f)
	if err != nil {
		return 0, err
	}
	for _, b := range books {
		r.PutBook(b)
	}
	return len(books), nil
}
