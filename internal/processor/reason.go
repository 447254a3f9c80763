package processor

import "errors"

// Reason 闸门错误对应的未决原因标签
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAccountInvalid):
		return "account_invalid"
	case errors.Is(err, ErrProductInactive):
		return "product_inactive"
	case errors.Is(err, ErrExternalLookupTimeout):
		return "external_lookup_timeout"
	default:
		return "unknown"
	}
}
