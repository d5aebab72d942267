package rbac

import "expertcall-platform/internal/auth"

// Authorization here is intentionally coarse: the call lifecycle only needs
// to know which side of the marketplace the caller is on. Accept/reject are
// expert-only, initiate is user-only, admin endpoints are admin-only.

func IsAdmin(t auth.UserType) bool { return t == auth.UserTypeAdmin }
