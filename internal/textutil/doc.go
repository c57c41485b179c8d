// Package textutil provides name handling for media files: output stems for
// encoder jobs, filename sanitization, and parsing of show_sNN_epNN stems.
package textutil
