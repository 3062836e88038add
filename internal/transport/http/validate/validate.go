package validate

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var v = validator.New()

func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return v.Struct(dst)
}
