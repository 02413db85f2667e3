// Package xmlrpc implements the small slice of XML-RPC needed to consume
// the PyPI change-log API: scalar and array values, and fault responses.
package xmlrpc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Client issues XML-RPC calls against a single endpoint.
type Client struct {
	// URL is the RPC endpoint, e.g. "https://pypi.org/pypi".
	URL string
	// Client is used for requests; nil means http.DefaultClient.
	Client *http.Client
}

// Fault is a decoded XML-RPC fault response.
type Fault struct {
	Code    int64
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc: fault %d: %s", f.Code, f.Message)
}

// Call invokes the named method and returns the decoded result value.
//
// Decoded types are string, int64, bool, float64, []any and
// map[string]any.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	body, err := marshalCall(method, args)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "text/xml")
	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xmlrpc: unexpected status: %s", res.Status)
	}
	return unmarshalResponse(res.Body)
}

func marshalCall(method string, args []any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&b, []byte(method)); err != nil {
		return nil, err
	}
	b.WriteString("</methodName><params>")
	for _, a := range args {
		b.WriteString("<param><value>")
		switch v := a.(type) {
		case string:
			b.WriteString("<string>")
			if err := xml.EscapeText(&b, []byte(v)); err != nil {
				return nil, err
			}
			b.WriteString("</string>")
		case int:
			fmt.Fprintf(&b, "<int>%d</int>", v)
		case int64:
			fmt.Fprintf(&b, "<int>%d</int>", v)
		case bool:
			if v {
				b.WriteString("<boolean>1</boolean>")
			} else {
				b.WriteString("<boolean>0</boolean>")
			}
		default:
			return nil, fmt.Errorf("xmlrpc: cannot marshal %T", a)
		}
		b.WriteString("</value></param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes(), nil
}

// value mirrors the XML-RPC <value> element. Exactly one member is
// expected; a value with no member is a bare string.
type value struct {
	Raw     string   `xml:",chardata"`
	Int     *string  `xml:"int"`
	I4      *string  `xml:"i4"`
	String  *string  `xml:"string"`
	Boolean *string  `xml:"boolean"`
	Double  *string  `xml:"double"`
	Nil     *struct{} `xml:"nil"`
	Array   *struct {
		Values []value `xml:"data>value"`
	} `xml:"array"`
	Struct *struct {
		Members []struct {
			Name  string `xml:"name"`
			Value value  `xml:"value"`
		} `xml:"member"`
	} `xml:"struct"`
}

func (v *value) decode() (any, error) {
	switch {
	case v.Nil != nil:
		return nil, nil
	case v.Int != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.Int), 10, 64)
	case v.I4 != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.I4), 10, 64)
	case v.String != nil:
		return *v.String, nil
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Array != nil:
		out := make([]any, len(v.Array.Values))
		for i := range v.Array.Values {
			d, err := v.Array.Values[i].decode()
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			d, err := m.Value.decode()
			if err != nil {
				return nil, err
			}
			out[m.Name] = d
		}
		return out, nil
	}
	return v.Raw, nil
}

func unmarshalResponse(r io.Reader) (any, error) {
	var res struct {
		Param *value `xml:"params>param>value"`
		Fault *value `xml:"fault>value"`
	}
	if err := xml.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("xmlrpc: malformed response: %w", err)
	}
	if res.Fault != nil {
		d, err := res.Fault.decode()
		if err != nil {
			return nil, err
		}
		f := &Fault{}
		if m, ok := d.(map[string]any); ok {
			if c, ok := m["faultCode"].(int64); ok {
				f.Code = c
			}
			if s, ok := m["faultString"].(string); ok {
				f.Message = s
			}
		}
		return nil, f
	}
	if res.Param == nil {
		return nil, fmt.Errorf("xmlrpc: response carries no value")
	}
	return res.Param.decode()
}
