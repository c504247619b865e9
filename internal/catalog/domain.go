package catalog

import "time"

// Permission represents an atomic capability identified by a globally unique
// "<resource>:<action>[:<qualifier>]" name.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Actions     []string
	Category    string
	RequiresMFA bool
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Category groups permissions for admin tooling.
type Category struct {
	Name  string
	Count int
}
