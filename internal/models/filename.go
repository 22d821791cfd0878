package models

const processedPrefix = "processed_"

// DeriveProcessedFilename returns the canonical name the backend gives the
// background-removed result of sourceFilename.
func DeriveProcessedFilename(productID, sourceFilename string) string {
	return processedPrefix + productID + "_" + sourceFilename
}
