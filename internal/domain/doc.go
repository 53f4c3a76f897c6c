// Package domain contains core domain types for the landlord/tenant messaging service.
package domain
