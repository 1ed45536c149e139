package client

import (
	"fmt"
	"net/url"
	"strings"
)

type RequestDecoratorFunc func([]string) []string

func Attributes(attrs []string) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("attrs=%s", strings.Join(attrs, ",")))
	}
}

func IDs(ids []string) RequestDecoratorFunc {
	return func(params []string) []string {
		escaped := make([]string, len(ids))
		for idx, id := range ids {
			escaped[idx] = url.QueryEscape(id)
		}
		return append(params, fmt.Sprintf("id=%s", strings.Join(escaped, ",")))
	}
}

func Types(typeNames []string) RequestDecoratorFunc {
	escaped := make([]string, len(typeNames))
	for idx, t := range typeNames {
		escaped[idx] = url.QueryEscape(t)
	}
	return func(params []string) []string {
		return append(params, fmt.Sprintf("type=%s", strings.Join(escaped, ",")))
	}
}

func Limit(limit int) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("limit=%d", limit))
	}
}

func Offset(offset int) RequestDecoratorFunc {
	return func(params []string) []string {
		return append(params, fmt.Sprintf("offset=%d", offset))
	}
}

func queryString(parameters ...RequestDecoratorFunc) string {
	params := make([]string, 0, len(parameters))
	for _, rdf := range parameters {
		params = rdf(params)
	}

	if len(params) == 0 {
		return ""
	}

	return "?" + strings.Join(params, "&")
}
