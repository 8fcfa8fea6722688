package util

import (
	"net/http"
	"strconv"

	json "github.com/json-iterator/go"
)

func HttpFileNotFoundError(w http.ResponseWriter) {
	HttpWriteResponse(w, http.StatusNotFound, "Not Found.")
}

func HttpInternalServerError(w http.ResponseWriter, message string) {
	HttpWriteResponse(w, http.StatusInternalServerError, message)
}

// HttpWriteResponse writes error response.
func HttpWriteResponse(writer http.ResponseWriter, statusCode int, message string) {
	writer.WriteHeader(statusCode)
	writer.Write([]byte(strconv.Itoa(statusCode) + " " + message))
}

// HttpWriteJson writes v as a json body.
func HttpWriteJson(writer http.ResponseWriter, v interface{}) {
	bs, err := json.Marshal(v)
	if err != nil {
		HttpInternalServerError(writer, err.Error())
		return
	}
	writer.Header().Set("Content-Type", "application/json;charset=UTF-8")
	writer.WriteHeader(http.StatusOK)
	writer.Write(bs)
}
