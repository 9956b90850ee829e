package models

/*
	Payloads for raw system records (api keys) that are replicated as-is.
*/

type KVPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type KeyPayload struct {
	Key string `json:"key"`
}

// Event is what websocket subscribers receive.
type Event struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
