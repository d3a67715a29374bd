package domain

import "errors"

var (
	ErrInvalidQuery    = errors.New("search query is required")
	ErrMissingResults  = errors.New("results are required")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMaintenance     = errors.New("service is under maintenance")
	ErrNoWorker        = errors.New("no worker connected")
	ErrWorkerBusy      = errors.New("worker is busy")
	ErrNotConnected    = errors.New("worker is not connected")
	ErrStaleCompletion = errors.New("completion does not match the dispatched job")
)
