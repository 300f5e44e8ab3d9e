package models

import "time"

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthCheck is the /health reply
type HealthCheck struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// AllRatesResponse wraps the full cache dump
type AllRatesResponse struct {
	Pairs int         `json:"pairs"`
	Rates interface{} `json:"rates"`
}

// StalePairsResponse lists pairs failing the freshness check
type StalePairsResponse struct {
	Count int      `json:"count"`
	Pairs []string `json:"pairs"`
}

// HistoryResponse wraps a history query result
type HistoryResponse struct {
	Count   int         `json:"count"`
	Records interface{} `json:"records"`
}
