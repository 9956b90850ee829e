package models

// -- Only root key can c/d api keys --

// ApiKeyCreateRequest names the account the new key will act as.
type ApiKeyCreateRequest struct {
	Account string `json:"account" validate:"required,excludesall=/:"`
}

type ApiKeyCreateResponse struct {
	Account string `json:"account"`
	Key     string `json:"key"`
}

type ApiKeyDeleteRequest struct {
	Key string `json:"key" validate:"required"`
}

// Internal storage of the token data for the api key
type TokenData struct {
	Entity  string `json:"e,omitempty"` // note: fields kept short intentionally
	KeyUUID string `json:"k"`
}
