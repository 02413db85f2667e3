package xmlrpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCall(t *testing.T) {
	const response = `<?xml version="1.0"?>
<methodResponse>
  <params>
    <param>
      <value><array><data>
        <value><array><data>
          <value><string>requests</string></value>
          <value><string>2.0.0</string></value>
          <value><int>1500000000</int></value>
          <value><string>new release</string></value>
          <value><int>42</int></value>
        </data></array></value>
        <value><array><data>
          <value>sampleproject</value>
          <value><nil/></value>
          <value><i4>1500000001</i4></value>
          <value><string>remove file</string></value>
          <value><int>43</int></value>
        </data></array></value>
      </data></array></value>
    </param>
  </params>
</methodResponse>`

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, response)
	}))
	defer srv.Close()

	c := Client{URL: srv.URL}
	got, err := c.Call(context.Background(), "changelog_since_serial", 41)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{
		[]any{"requests", "2.0.0", int64(1500000000), "new release", int64(42)},
		[]any{"sampleproject", nil, int64(1500000001), "remove file", int64(43)},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
	for _, frag := range []string{
		"<methodName>changelog_since_serial</methodName>",
		"<int>41</int>",
	} {
		if !strings.Contains(gotBody, frag) {
			t.Errorf("request body missing %q:\n%s", frag, gotBody)
		}
	}
}

func TestFault(t *testing.T) {
	const response = `<?xml version="1.0"?>
<methodResponse>
  <fault>
    <value><struct>
      <member><name>faultCode</name><value><int>-32601</int></value></member>
      <member><name>faultString</name><value><string>method not found</string></value></member>
    </struct></value>
  </fault>
</methodResponse>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, response)
	}))
	defer srv.Close()

	c := Client{URL: srv.URL}
	_, err := c.Call(context.Background(), "no_such_method")
	f, ok := err.(*Fault)
	if !ok {
		t.Fatalf("got err %v, want *Fault", err)
	}
	if f.Code != -32601 || f.Message != "method not found" {
		t.Errorf("unexpected fault: %+v", f)
	}
}
