package model

// User identifies an authenticated player for the lifetime of a connection.
type User struct {
	ID       int64  `json:"userId"`
	Username string `json:"username"`
}
