package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeJSON reads r's body into dst and validates its struct tags. The
// returned slice holds one user-facing message per problem.
func DecodeJSON(r *http.Request, dst any) []string {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return []string{"corpo da requisição vazio"}
		}
		return []string{fmt.Sprintf("JSON inválido: %v", err)}
	}
	return Validate(dst)
}

// Validate checks v against its validate tags.
func Validate(v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.SplitN(fe.Namespace(), ".", 2)
	name := fe.Field()
	if len(field) == 2 {
		name = field[1]
	}
	switch fe.Tag() {
	case "required":
		return name + " é obrigatório"
	case "len":
		return fmt.Sprintf("%s deve ter %s caracteres", name, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s deve ter ao menos %s elemento(s)", name, fe.Param())
		}
		return fmt.Sprintf("%s deve ter ao menos %s caracteres", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s deve ter no máximo %s caracteres", name, fe.Param())
	case "numeric":
		return name + " deve conter apenas dígitos"
	case "oneof":
		return fmt.Sprintf("%s deve ser um de: %s", name, fe.Param())
	case "email":
		return name + " deve ser um e-mail válido"
	case "gte", "lte":
		return fmt.Sprintf("%s fora do intervalo permitido (%s %s)", name, fe.Tag(), fe.Param())
	default:
		return name + " inválido"
	}
}
