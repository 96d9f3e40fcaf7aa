// Package exporter writes revocation records as CSV or XLSX for
// operators and auditors.
//
// CSV output carries a UTF-8 BOM by default so spreadsheet tools
// render Arabic revocation reasons correctly. XLSX output is a single
// "Revocations" sheet with a styled header row.
package exporter
