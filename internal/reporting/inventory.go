package reporting

import (
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	InStock    StockStatus = "IN_STOCK"
	LowStock   StockStatus = "LOW_STOCK"
	OutOfStock StockStatus = "OUT_OF_STOCK"
)

// LowStockThreshold is the highest per-variant stock still shown as low.
const LowStockThreshold = 3

func classify(stock int) StockStatus {
	switch {
	case stock <= 0:
		return OutOfStock
	case stock <= LowStockThreshold:
		return LowStock
	default:
		return InStock
	}
}

// Classify rates a product by its weakest variant: one sold-out size makes
// the product OUT_OF_STOCK, one low size makes it LOW_STOCK.
func Classify(stocks []int) StockStatus {
	if len(stocks) == 0 {
		return OutOfStock
	}
	agg := InStock
	for _, s := range stocks {
		switch classify(s) {
		case OutOfStock:
			return OutOfStock
		case LowStock:
			agg = LowStock
		}
	}
	return agg
}

type InventoryProduct struct {
	ID         string            `json:"id"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	Price      decimal.Decimal   `json:"price"`
	TotalStock int               `json:"totalStock"`
	Status     StockStatus       `json:"status"`
	Variants   []catalog.Variant `json:"variants"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type InventoryStats struct {
	TotalProducts      int `json:"totalProducts"`
	TotalStock         int `json:"totalStock"`
	InStockProducts    int `json:"inStockProducts"`
	LowStockProducts   int `json:"lowStockProducts"`
	OutOfStockProducts int `json:"outOfStockProducts"`
}

type InventoryReport struct {
	Products []InventoryProduct `json:"products"`
	Stats    InventoryStats     `json:"stats"`
}

func BuildInventory(ps []catalog.Product) InventoryReport {
	rep := InventoryReport{Products: make([]InventoryProduct, 0, len(ps))}
	for _, p := range ps {
		stocks := make([]int, 0, len(p.Variants))
		total := 0
		for _, v := range p.Variants {
			stocks = append(stocks, v.Stock)
			total += v.Stock
		}
		ip := InventoryProduct{
			ID:         p.ID,
			SKU:        p.SKU,
			Name:       p.Name,
			Price:      p.Price,
			TotalStock: total,
			Status:     Classify(stocks),
			Variants:   p.Variants,
			UpdatedAt:  p.UpdatedAt,
		}
		if ip.Variants == nil {
			ip.Variants = []catalog.Variant{}
		}
		rep.Products = append(rep.Products, ip)

		rep.Stats.TotalProducts++
		rep.Stats.TotalStock += total
		switch ip.Status {
		case OutOfStock:
			rep.Stats.OutOfStockProducts++
		case LowStock:
			rep.Stats.LowStockProducts++
		default:
			rep.Stats.InStockProducts++
		}
	}
	return rep
}
