// Package catalog holds the static description of every sellable content
// pack: bundle metadata and difficulty mix, the external product table,
// the question template bank the generator draws from, and the curated
// sample sets shown to users without access.
package catalog
