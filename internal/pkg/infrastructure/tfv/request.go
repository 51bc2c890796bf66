package tfv

import (
	"encoding/json"
	"encoding/xml"
)

type Login struct {
	AuthenticationKey string `json:"authenticationkey" xml:"authenticationkey,attr"`
}

// Query selects one object type from the feed.
type Query struct {
	ObjectType    string `json:"objecttype" xml:"objecttype,attr"`
	SchemaVersion string `json:"schemaversion" xml:"schemaversion,attr"`
	Limit         int    `json:"limit,omitempty" xml:"limit,attr,omitempty"`
}

// Request is the subscription envelope sent to the feed. The same request is
// rendered as JSON on the streaming channel and as XML towards the query endpoint.
type Request struct {
	XMLName xml.Name `json:"-" xml:"REQUEST"`
	Login   Login    `json:"LOGIN" xml:"LOGIN"`
	Query   []Query  `json:"QUERY" xml:"QUERY"`
}

func NewRequest(authKey, schemaVersion string, limit int, objectTypes ...string) Request {
	r := Request{
		Login: Login{AuthenticationKey: authKey},
		Query: make([]Query, 0, len(objectTypes)),
	}

	for _, ot := range objectTypes {
		r.Query = append(r.Query, Query{
			ObjectType:    ot,
			SchemaVersion: schemaVersion,
			Limit:         limit,
		})
	}

	return r
}

// WithLimit returns a copy of the request with every query limited to n results.
func (r Request) WithLimit(n int) Request {
	queries := make([]Query, len(r.Query))
	for i, q := range r.Query {
		q.Limit = n
		queries[i] = q
	}
	r.Query = queries
	return r
}

// EncodeSubscription renders the request as the JSON envelope expected on the streaming channel.
func EncodeSubscription(r Request) ([]byte, error) {
	return json.Marshal(struct {
		Request Request `json:"REQUEST"`
	}{r})
}

// EncodeQuery renders the request as the XML document accepted by the query endpoint.
func EncodeQuery(r Request) ([]byte, error) {
	return xml.Marshal(r)
}
