package platform

import (
	"encoding/json"
	"net/http"
)

func jsonDecode(req *http.Request, out interface{}) error {
	return json.NewDecoder(req.Body).Decode(out)
}
