package internal

const (
	// HeaderAuthorization carries the bearer credential on the connection
	// upgrade request.
	HeaderAuthorization = "Authorization"

	// BearerScheme is the Authorization scheme prefix, trailing space included.
	BearerScheme = "Bearer "
)
