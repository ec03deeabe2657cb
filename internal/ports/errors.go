package ports

import "errors"

// Infrastructure errors for adapter layer.
//
// These errors represent infrastructure/adapter concerns and are separate from
// domain errors which represent the console's error taxonomy.
//
// Usage:
//   - Adapters return these errors when infrastructure operations fail
//   - Domain layer never imports or uses these errors directly
//   - Application layer may catch these and map to domain errors if appropriate

// ErrProviderUnavailable indicates the identity provider answered with
// something the adapter could not interpret.
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// ErrBackendUnavailable indicates the device management API answered with
// something the adapter could not interpret.
var ErrBackendUnavailable = errors.New("device backend unavailable")

// ErrTokensNotFound indicates the durable token store is empty.
var ErrTokensNotFound = errors.New("no stored tokens")

// ErrTokenStoreCorrupt indicates the stored tokens could not be decrypted or decoded.
var ErrTokenStoreCorrupt = errors.New("token store is corrupt")

// ErrTokenStoreInsecure indicates the token file is readable by other users.
var ErrTokenStoreInsecure = errors.New("token store has insecure permissions")
