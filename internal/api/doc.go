// Package api provides the relay server REST client.
//
// Endpoints used:
//   - GET /platforms/{platform}/status  bridge readiness for a platform
//
// The client implements auth.Prober so the credential validator can hold a
// connect attempt until the platform bridge reports ready.
package api
