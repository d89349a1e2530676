package goals

import (
	"context"
	"io"
	"net/http"

	"github.com/leducphy/goaltracker/internal/goals/auth"
)

// Profile fetches the current user's profile from the server.
func (c *Client) Profile(ctx context.Context) (*auth.UserProfile, error) {
	var payload userPayload
	err := c.execute(ctx, http.MethodGet, "/user/profile", nil, &payload, callOpts{})
	if err != nil {
		return nil, err
	}
	profile := payload.profile()
	return &profile, nil
}

// UpdateProfile replaces the user's profile fields and returns the server's
// view of the result.
func (c *Client) UpdateProfile(ctx context.Context, profile auth.UserProfile) (*auth.UserProfile, error) {
	var payload userPayload
	err := c.execute(ctx, http.MethodPut, "/user/profile",
		map[string]string{
			"full_name":  profile.FullName,
			"avatar_url": profile.AvatarURL,
		},
		&payload, callOpts{})
	if err != nil {
		return nil, err
	}
	updated := payload.profile()
	return &updated, nil
}

// UploadAvatar uploads a new avatar image. Uploads get the longer timeout
// budget.
func (c *Client) UploadAvatar(ctx context.Context, filename string, r io.Reader) (*auth.UserProfile, error) {
	var payload userPayload
	err := c.execute(ctx, http.MethodPost, "/user/avatar", nil, &payload, callOpts{
		upload: true,
		file:   &fileUpload{field: "avatar", name: filename, reader: r},
	})
	if err != nil {
		return nil, err
	}
	profile := payload.profile()
	return &profile, nil
}
