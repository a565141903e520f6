// Package models registers every supported architecture with the model
// registry. Importing it for side effects is enough to make them
// constructible through model.New.
package models

import (
	_ "github.com/seedml/seedml/model/models/seedoss"
)
