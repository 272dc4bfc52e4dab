package proc

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// CodenameData has parts to make codenames from
type CodenameData struct {
	Animals    []string `json:"animals"`
	Adjectives []string `json:"adjectives"`
}

// LoadCodenames reads codename data from json file, both lists should be non-empty
func LoadCodenames(fname string) (CodenameData, error) {
	res := CodenameData{}
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return res, errors.Wrapf(err, "failed to read %s", fname)
	}
	if err = json.Unmarshal(data, &res); err != nil {
		return res, errors.Wrapf(err, "failed to parse %s", fname)
	}
	if len(res.Animals) == 0 || len(res.Adjectives) == 0 {
		return res, errors.Errorf("no animals or adjectives in %s", fname)
	}
	return res, nil
}

// Generate makes random "adjective animal" codename
func (c CodenameData) Generate() (string, error) {
	if len(c.Adjectives) == 0 || len(c.Animals) == 0 {
		return "", errors.New("codename generation failed")
	}
	return fmt.Sprintf("%s %s", c.Adjectives[rand.Intn(len(c.Adjectives))], c.Animals[rand.Intn(len(c.Animals))]), nil // nolint
}

// CodenameResponse makes reply for codename command
func CodenameResponse(codename string) string {
	return fmt.Sprintf("Your codename is: %s", codename)
}

// RegisterResponse makes reply for register command
func RegisterResponse() string {
	return "Registered application commands"
}
