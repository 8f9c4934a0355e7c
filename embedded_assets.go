package main

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/Masterminds/sprig/v3"
)

//go:embed web/templates/*.html web/static/*
var webContent embed.FS

// loadPageTemplates parses the embedded page templates with the sprig
// function set available.
func loadPageTemplates() (*template.Template, error) {
	return template.New("").Funcs(sprig.FuncMap()).ParseFS(webContent, "web/templates/*.html")
}

// createEmbeddedFileServer creates a http.FileSystem rooted at web/static.
func createEmbeddedFileServer() http.FileSystem {
	stripped, err := fs.Sub(webContent, "web/static")
	if err != nil {
		panic(err)
	}
	return http.FS(stripped)
}
