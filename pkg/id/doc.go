// Package id generates process-unique, time-ordered message identifiers.
package id
