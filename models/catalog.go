package models

import (
	"github.com/shopspring/decimal"
)

// Product keeps the current quantity per warehouse in Stocks; the ledger is the source of truth.
type Product struct {
	Id         string                     `json:"id"`
	Sku        string                     `json:"sku,omitempty"`
	Barcode    string                     `json:"barcode,omitempty"`
	Name       string                     `json:"name"`
	CategoryId string                     `json:"categoryId,omitempty"`
	Unit       string                     `json:"unit,omitempty"`
	Price      decimal.Decimal            `json:"price"`
	Cost       decimal.Decimal            `json:"cost"`
	TaxRate    decimal.Decimal            `json:"taxRate"`
	TrackStock bool                       `json:"trackStock"`
	IsActive   bool                       `json:"isActive"`
	Stocks     map[string]decimal.Decimal `json:"stocks,omitempty"`
	DocumentMeta
}

func (p Product) GetId() string { return p.Id }

func (p Product) StockIn(warehouseId string) decimal.Decimal {
	if p.Stocks == nil {
		return decimal.Zero
	}
	return p.Stocks[warehouseId]
}

type Customer struct {
	Id          string          `json:"id"`
	Name        string          `json:"name"`
	TaxId       string          `json:"taxId,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Email       string          `json:"email,omitempty"`
	Address     string          `json:"address,omitempty"`
	CreditLimit decimal.Decimal `json:"creditLimit"`
	IsActive    bool            `json:"isActive"`
	DocumentMeta
}

func (c Customer) GetId() string { return c.Id }

type Supplier struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	TaxId    string `json:"taxId,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Address  string `json:"address,omitempty"`
	IsActive bool   `json:"isActive"`
	DocumentMeta
}

func (s Supplier) GetId() string { return s.Id }
