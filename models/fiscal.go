package models

import "time"

// FiscalNumberPadding is the fixed width of the numeric part of a fiscal number.
const FiscalNumberPadding = 8

// FiscalRange is a regulator-issued pool. CurrentGlobal is the highest number leased out
// to any terminal and never exceeds EndNumber.
type FiscalRange struct {
	Id            string     `json:"id"`
	Type          string     `json:"type"`
	Prefix        string     `json:"prefix"`
	StartNumber   int64      `json:"startNumber"`
	EndNumber     int64      `json:"endNumber"`
	CurrentGlobal int64      `json:"currentGlobal"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
	IsActive      bool       `json:"isActive"`
	DocumentMeta
}

func (r FiscalRange) GetId() string { return r.Id }

func (r FiscalRange) IsExhausted() bool {
	return r.Remaining() <= 0
}

func (r FiscalRange) IsExpired(now time.Time) bool {
	return r.ExpiryDate != nil && now.After(*r.ExpiryDate)
}

// Remaining is how many numbers are still available to lease.
func (r FiscalRange) Remaining() int64 {
	next := r.CurrentGlobal + 1
	if next < r.StartNumber {
		next = r.StartNumber
	}
	if next > r.EndNumber {
		return 0
	}
	return r.EndNumber - next + 1
}

// LocalFiscalBuffer is a terminal's private lease, keyed by fiscal type.
// CurrentNumber is the next number to issue.
type LocalFiscalBuffer struct {
	Type          string     `json:"type"`
	Prefix        string     `json:"prefix"`
	CurrentNumber int64      `json:"currentNumber"`
	EndNumber     int64      `json:"endNumber"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
	RangeId       string     `json:"rangeId,omitempty"`
	DocumentMeta
}

func (b LocalFiscalBuffer) GetId() string { return b.Type }

func (b LocalFiscalBuffer) IsUsable(now time.Time) bool {
	if b.CurrentNumber > b.EndNumber {
		return false
	}
	return b.ExpiryDate == nil || !now.After(*b.ExpiryDate)
}

// FiscalLease is a block [Start, End] handed to one terminal.
type FiscalLease struct {
	RangeId    string     `json:"rangeId"`
	Type       string     `json:"type"`
	Prefix     string     `json:"prefix"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
}

func (l FiscalLease) Buffer() LocalFiscalBuffer {
	return LocalFiscalBuffer{
		Type:          l.Type,
		Prefix:        l.Prefix,
		CurrentNumber: l.Start,
		EndNumber:     l.End,
		ExpiryDate:    l.ExpiryDate,
		RangeId:       l.RangeId,
	}
}
