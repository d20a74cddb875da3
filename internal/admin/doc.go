// Package admin implements callback.Endpoint for the services a worker node
// reports to: the coordinator's HTTP batch-callback API and an optional
// Telegram chat that mirrors delivery results for operators.
package admin
