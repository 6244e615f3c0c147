package clinic

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"xray-chatbot/pkg"
)

const (
	doctorsPath      = "/get_doctors"
	selectDoctorPath = "/select_doctor"
)

type doctorsResponse struct {
	Doctors map[string]pkg.Doctor `json:"doctors"`
}

type selectRequest struct {
	DoctorIndex string `json:"doctor_index"`
}

type selectResponse struct {
	Message string      `json:"message"`
	Doctor  *pkg.Doctor `json:"doctor"`
}

// Nearby looks up doctors around the given position.  The backend answers
// 404 when nothing was found, which is reported as an empty result.  Keys
// that are not integers are dropped.
func (c *Client) Nearby(ctx context.Context, at pkg.Coordinates) (map[int]pkg.Doctor, error) {
	resp, err := c.postJSON(ctx, doctorsPath, at)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return map[int]pkg.Doctor{}, nil
		}
		return nil, err
	}
	var out doctorsResponse
	if err := decodeJSON(resp, doctorsPath, &out); err != nil {
		return nil, err
	}
	doctors := make(map[int]pkg.Doctor, len(out.Doctors))
	for key, d := range out.Doctors {
		index, err := strconv.Atoi(key)
		if err != nil {
			c.logger.Warn().Str("key", key).Msg("ignoring doctor with non-numeric key")
			continue
		}
		doctors[index] = d
	}
	return doctors, nil
}

// Select confirms the doctor offered under index.  A nil doctor means the
// backend accepted the call without confirming anyone.
func (c *Client) Select(ctx context.Context, index int) (*pkg.Doctor, error) {
	resp, err := c.postJSON(ctx, selectDoctorPath, selectRequest{DoctorIndex: strconv.Itoa(index)})
	if err != nil {
		return nil, err
	}
	var out selectResponse
	if err := decodeJSON(resp, selectDoctorPath, &out); err != nil {
		return nil, err
	}
	return out.Doctor, nil
}
