package server

import "github.com/go-chi/chi/v5/middleware"

// compressJSON gzips JSON bodies for clients that accept it. Downloads are
// left alone so byte ranges keep addressing the stored ciphertext.
var compressJSON = middleware.Compress(5, "application/json")
