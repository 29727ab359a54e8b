package models

import "bitbucket.org/mmdatafocus/possync/utils"

// DocumentSeries is one numbering stream (tickets, refunds, cash movements, z-reports...).
// NextNumber only increases.
type DocumentSeries struct {
	Id           string `json:"id"`
	DocumentType string `json:"documentType"`
	Prefix       string `json:"prefix"`
	NextNumber   int64  `json:"nextNumber"`
	Padding      int    `json:"padding"`
	BusinessUnit string `json:"businessUnit,omitempty"`
	DocumentMeta
}

func (s DocumentSeries) GetId() string { return s.Id }

func (s DocumentSeries) Format(number int64) string {
	return utils.FormatDocumentNumber(s.Prefix, number, s.Padding)
}

// Matches reports whether the series serves documentType for businessUnit.
// A series without business unit serves every unit.
func (s DocumentSeries) Matches(documentType, businessUnit string) bool {
	if s.Deleted || s.DocumentType != documentType {
		return false
	}
	return s.BusinessUnit == "" || businessUnit == "" || s.BusinessUnit == businessUnit
}
