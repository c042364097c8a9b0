package httpevent

import "net/url"

func parseURLLenient(raw string) (*url.URL, error) {
	return url.Parse(raw)
}
